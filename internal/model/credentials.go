// ABOUTME: Credential selection for model backends
// ABOUTME: Picks uniformly at random across a model's interchangeable key pool

package model

import (
	"fmt"
	"math/rand/v2"
)

// PickCredential selects one credential from the model's pool uniformly at
// random. Keys are interchangeable, so stateless random selection spreads
// load without per-key bookkeeping. Returns an error if the pool is empty;
// Registry.Validate makes that unreachable after startup.
func PickCredential(mc *ModelConfig) (string, error) {
	if len(mc.APIKeys) == 0 {
		return "", fmt.Errorf("model %q has no credentials configured", mc.Name)
	}
	return mc.APIKeys[rand.IntN(len(mc.APIKeys))], nil
}
