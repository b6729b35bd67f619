// Package format turns AI replies into the HTML subset chat transports accept.
package format
