package main

import (
	"fmt"
	"sort"
	"strings"

	"lbminit/pkg/config"
	"lbminit/pkg/registration"
)

// engineFactory builds a registration engine from the reference parameters
type engineFactory func(params config.ReferenceConfig) registration.Engine

// engines lists the registration engines compiled into this binary.
// Build with -tags opencv to add the OpenCV engine.
var engines = map[string]engineFactory{
	"phasecorr": func(params config.ReferenceConfig) registration.Engine {
		return registration.NewPhaseCorrelator(params.SmoothSigma)
	},
}

func newEngine(name string, params config.ReferenceConfig) (registration.Engine, error) {
	factory, ok := engines[name]
	if !ok {
		names := make([]string, 0, len(engines))
		for n := range engines {
			names = append(names, n)
		}
		sort.Strings(names)
		return nil, fmt.Errorf("unknown registration engine %q (available: %s)", name, strings.Join(names, ", "))
	}
	return factory(params), nil
}
