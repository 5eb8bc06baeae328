//go:build !cuda

package accel

// Without the cuda build tag no accelerator runtime is linked in.

type unavailable struct{}

func defaultBackend() Backend { return unavailable{} }

func (unavailable) Name() string { return "none" }

func (unavailable) Available() bool { return false }

func (unavailable) DeviceName(int) (string, error) { return "", ErrUnavailable }

func (unavailable) Open(int) (Device, error) { return nil, ErrUnavailable }
