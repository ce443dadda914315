package engine

import (
	"sort"
)

// ValidatorEnvironment models the enclave as it will look after every
// validated instruction has run.
type ValidatorEnvironment struct {
	services  map[string]bool
	artifacts map[string]bool
	images    map[string]bool
}

// NewValidatorEnvironment seeds the environment with the current enclave content.
func NewValidatorEnvironment(services, artifacts []string) *ValidatorEnvironment {
	env := &ValidatorEnvironment{
		services:  make(map[string]bool, len(services)),
		artifacts: make(map[string]bool, len(artifacts)),
		images:    make(map[string]bool),
	}
	for _, name := range services {
		env.services[name] = true
	}
	for _, name := range artifacts {
		env.artifacts[name] = true
	}
	return env
}

func (env *ValidatorEnvironment) AddService(name string)    { env.services[name] = true }
func (env *ValidatorEnvironment) RemoveService(name string) { delete(env.services, name) }
func (env *ValidatorEnvironment) HasService(name string) bool {
	return env.services[name]
}

func (env *ValidatorEnvironment) AddArtifact(name string) { env.artifacts[name] = true }
func (env *ValidatorEnvironment) HasArtifact(name string) bool {
	return env.artifacts[name]
}

// RequireImage records an image a service will be started from.
func (env *ValidatorEnvironment) RequireImage(image string) { env.images[image] = true }

// RequiredImages lists recorded images in lexical order.
func (env *ValidatorEnvironment) RequiredImages() []string {
	out := make([]string, 0, len(env.images))
	for image := range env.images {
		out = append(out, image)
	}
	sort.Strings(out)
	return out
}
