package domain

import "errors"

var (
	ErrInvalidInput        = errors.New("invalid input")
	ErrNotFound            = errors.New("track not found")
	ErrUpstreamUnavailable = errors.New("upstream unavailable")
	ErrLinkUnavailable     = errors.New("stream link unavailable")
	ErrExpired             = errors.New("stream expired")
)
