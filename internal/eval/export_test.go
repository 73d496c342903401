package eval

// ParseVerdict exposes verdict parsing to the package tests.
var ParseVerdict = parseVerdict
