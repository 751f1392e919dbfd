package internal

import (
	"io"
	"os"
)

// Option is a functional option for configuring the application.
type Option func(*application)

type application struct {
	config *Config
	out    io.Writer
}

// WithConfig sets the application configuration.
func WithConfig(cfg *Config) Option {
	return func(a *application) {
		a.config = cfg
	}
}

// WithOutput sets where command results are printed. Defaults to stdout.
func WithOutput(w io.Writer) Option {
	return func(a *application) {
		a.out = w
	}
}

func newApplication(opts []Option) *application {
	app := &application{out: os.Stdout}
	for _, opt := range opts {
		opt(app)
	}
	return app
}
