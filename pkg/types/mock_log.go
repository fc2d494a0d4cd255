package types

// NopLogger discards everything. It is the fallback when no logger is injected.
type NopLogger struct{}

func (NopLogger) Debug(msg string, fields ...interface{})  {}
func (NopLogger) Info(msg string, fields ...interface{})   {}
func (NopLogger) Warn(msg string, fields ...interface{})   {}
func (NopLogger) Error(msg string, fields ...interface{})  {}
func (NopLogger) Fatalf(msg string, fields ...interface{}) {}
func (NopLogger) Sync() error                              { return nil }
