package tools

// Builtin returns the factories of every built-in tool
func Builtin() []Factory {
	return []Factory{
		NewChat,
		NewAnalyze,
		NewFileUpload,
		NewFileQuery,
		NewDiagnostics,
	}
}

// RegisterBuiltin registers every built-in tool on the registry
func RegisterBuiltin(r *Registry) {
	for _, factory := range Builtin() {
		r.Register(factory)
	}
}
