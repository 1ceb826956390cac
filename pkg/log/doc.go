// Package log provides structured logging for the collaboration runtime using
// zerolog. It wraps the library with component-scoped child loggers (by
// component, object id, plugin name, or origin) and a package-level Logger
// configured once at process start via Init.
package log
