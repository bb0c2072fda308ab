package rcu

import "github.com/xiaonanln/rcuvar/util/logger"

type options struct {
	name   string
	logger *logger.Logger
}

// Option configures a Variable.
type Option func(*options)

// WithName names the variable. Named variables export prometheus metrics
// labelled with the name and log under it. Names should be unique within a
// process: while one variable holds a name, others opened with the same name
// log a warning and export nothing.
func WithName(name string) Option {
	return func(o *options) {
		o.name = name
	}
}

// WithLogger replaces the logger the variable reports commits and discards to.
func WithLogger(l *logger.Logger) Option {
	return func(o *options) {
		o.logger = l
	}
}
