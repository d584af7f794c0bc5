package migration

import (
	"context"

	"github.com/forest6511/safectl/pkg/safe"
)

// GenerateMissingKeys fills in auxiliary keys that an earlier partial
// upgrade left absent. Keys that exist are kept byte for byte. Once every
// key is present the step does nothing.
type GenerateMissingKeys struct {
	transition
}

// NewGenerateMissingKeys returns the 4->5 step.
func NewGenerateMissingKeys() *GenerateMissingKeys {
	return &GenerateMissingKeys{transition{from: 4}}
}

func (s *GenerateMissingKeys) Name() string        { return "generate_missing_keys" }
func (s *GenerateMissingKeys) ReentrantSafe() bool { return true }

func (s *GenerateMissingKeys) Execute(ctx context.Context, mc *Context) error {
	c, err := mc.Repo.Read(ctx, mc.SafeID)
	if err != nil {
		return stepErr(s, "read safe crypto", CodeStorage, err)
	}
	missing := c.MissingAuxiliaryKeys()
	if len(missing) == 0 {
		return nil
	}

	generated, err := safe.GenerateCrypto(mc.Key, c.Salt, nil)
	if err != nil {
		return stepErr(s, "generate keys", CodeUnknown, err)
	}
	if err := mc.Repo.Write(ctx, safe.FillMissing(c, generated)); err != nil {
		return stepErr(s, "write safe crypto", CodeStorage, err)
	}
	mc.Logger.Info("generated missing auxiliary keys", "safe_id", mc.SafeID, "keys", missing)
	return nil
}
