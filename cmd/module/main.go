package main

import (
	"go.viam.com/rdk/module"
	"go.viam.com/rdk/resource"
	"go.viam.com/rdk/services/discovery"
	"go.viam.com/rdk/services/generic"
	probe "phantom_probe"
)

func main() {
	module.ModularMain(
		resource.APIModel{API: generic.API, Model: probe.SequencerModel},
		resource.APIModel{API: discovery.API, Model: probe.SequencerDiscoveryModel},
	)
}
