package enums

import "fmt"

// PreflightMode selects how the outbound transport is checked at startup.
type PreflightMode string

const (
	PreflightModeOff     PreflightMode = "off"
	PreflightModeConnect PreflightMode = "connect"
	PreflightModeSend    PreflightMode = "send"
)

var validPreflightModes = []PreflightMode{
	PreflightModeOff,
	PreflightModeConnect,
	PreflightModeSend,
}

func (m PreflightMode) IsValid() bool {
	for _, candidate := range validPreflightModes {
		if candidate == m {
			return true
		}
	}
	return false
}

func ParsePreflightMode(value string) (PreflightMode, error) {
	for _, candidate := range validPreflightModes {
		if string(candidate) == value {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("invalid preflight mode %q", value)
}

// EmailTransport names the outbound delivery backend.
type EmailTransport string

const (
	EmailTransportSMTP EmailTransport = "smtp"
	EmailTransportSES  EmailTransport = "ses"
	EmailTransportLog  EmailTransport = "log"
)

var validEmailTransports = []EmailTransport{
	EmailTransportSMTP,
	EmailTransportSES,
	EmailTransportLog,
}

func (t EmailTransport) IsValid() bool {
	for _, candidate := range validEmailTransports {
		if candidate == t {
			return true
		}
	}
	return false
}

func ParseEmailTransport(value string) (EmailTransport, error) {
	for _, candidate := range validEmailTransports {
		if string(candidate) == value {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("invalid email transport %q", value)
}

// TransportHealth is reported by /email/health.
type TransportHealth string

const (
	TransportHealthOK       TransportHealth = "ok"
	TransportHealthDegraded TransportHealth = "degraded"
)
