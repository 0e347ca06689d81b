// Package tui provides the text user interface for opclink.
package tui

// Status indicator strings
const (
	StatusIndicatorConnected    = "[green]●[-]"
	StatusIndicatorDisconnected = "[gray]○[-]"
	StatusIndicatorConnecting   = "[yellow]◐[-]"
	StatusIndicatorError        = "[red]●[-]"
)

// ASCII fallbacks for terminals without Unicode support.
const (
	ASCIIIndicatorConnected    = "[green]*[-]"
	ASCIIIndicatorDisconnected = "[gray]o[-]"
	ASCIIIndicatorConnecting   = "[yellow]+[-]"
	ASCIIIndicatorError        = "[red]*[-]"
)

// Tab labels
const (
	TabServers = "Servers"
	TabBrowse  = "Browse"
	TabDebug   = "Debug"
)

var asciiMode bool

// SetASCIIMode switches the indicator set for terminals without Unicode.
func SetASCIIMode(on bool) { asciiMode = on }

func indicatorConnected() string {
	if asciiMode {
		return ASCIIIndicatorConnected
	}
	return StatusIndicatorConnected
}

func indicatorDisconnected() string {
	if asciiMode {
		return ASCIIIndicatorDisconnected
	}
	return StatusIndicatorDisconnected
}

func indicatorConnecting() string {
	if asciiMode {
		return ASCIIIndicatorConnecting
	}
	return StatusIndicatorConnecting
}

func indicatorError() string {
	if asciiMode {
		return ASCIIIndicatorError
	}
	return StatusIndicatorError
}
