/*
Package log provides structured logging for Scanforge using zerolog.

Init configures the process-global logger once at startup; components obtain
child loggers via WithComponent and the domain helpers (WithJobID,
WithContainer, WithCVE) so every line carries its correlation fields.
Console output is the default for interactive use, JSON for services.
*/
package log
