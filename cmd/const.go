package cmd

const (
	name  = "bitcode_strip"
	usage = "Usage: bitcode_strip input [-r | -m | -l] -o output [-v]\n"

	description = `
Remove, replace with a marker or leave only the bitcode segment of a linked Mach-O file.
e.g. bitcode_strip path/to/binary -r -o path/to/stripped-binary
`
	removeDescription  = "remove the bitcode segment and the code signature"
	markDescription    = "replace the bitcode segment with a marker"
	isolateDescription = "leave only the bitcode segment"
	outputDescription  = "output file"
	verboseDescription = "print debug logs"
	helpDescription    = "print this help"
)
