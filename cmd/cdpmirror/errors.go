package main

import "errors"

var (
	ErrLoadConfig   = errors.New("load config")
	ErrStartService = errors.New("start service")
	ErrAttach       = errors.New("attach target")
	ErrEnable       = errors.New("enable interception")
)
