// Package migration brings a vault's encrypted data forward from the schema
// version it was written under to the current one.
//
// Each transition v -> v+1 is a Step. The Orchestrator picks the steps a
// vault still needs, runs them in order under the unlocked master key, and
// persists the new version only when every one of them succeeded.
package migration

// Dependencies are the collaborators and locations some steps need.
type Dependencies struct {
	Notifier  Notifier
	Scheduler Scheduler
	BackupDir string
}

// DefaultSteps returns the full step chain, ending at version 6.
func DefaultSteps(deps Dependencies) []Step {
	return []Step{
		NewUsernameRemoval(),
		NewDeleteNotificationChannel(deps.Notifier),
		NewReconcileBackups(deps.BackupDir, deps.Scheduler),
		NewAlphaIndex(),
		NewGenerateMissingKeys(),
		NewContactSharingMode(),
	}
}
