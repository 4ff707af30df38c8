//go:build debug

package server

const strictInvariants = true
