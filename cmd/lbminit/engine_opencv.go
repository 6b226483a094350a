//go:build opencv

package main

import (
	"lbminit/pkg/config"
	"lbminit/pkg/registration"
	"lbminit/pkg/registration/cvengine"
)

func init() {
	engines["opencv"] = func(params config.ReferenceConfig) registration.Engine {
		return cvengine.New(params.SmoothSigma)
	}
}
