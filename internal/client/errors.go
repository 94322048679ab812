package client

import "errors"

var (
	ErrAlreadyConnected = errors.New("client: connect already called")
	ErrConnectFailed    = errors.New("client: initial connection failed")
)
