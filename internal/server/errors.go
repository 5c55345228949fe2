package server

import "errors"

var errNoStatusSource = errors.New("status source is not configured")
