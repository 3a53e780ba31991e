package template

import "net/http"

// BuiltinOptions configures the built-in templates that touch the
// filesystem or the network.
type BuiltinOptions struct {
	// ExportDir receives files written by the data_export template.
	ExportDir string
	// BackupDir receives database snapshots from the backup_job template.
	BackupDir string
	// HTTPClient is used by webhook_trigger. Nil means http.DefaultClient.
	HTTPClient *http.Client
}

// Builtins returns the six built-in templates.
func Builtins(opts BuiltinOptions) []Template {
	return []Template{
		NewDatabaseCleanup(),
		NewEmailNotification(),
		NewDataExport(opts.ExportDir),
		NewReportGeneration(),
		NewBackupJob(opts.BackupDir),
		NewWebhookTrigger(opts.HTTPClient),
	}
}

// RegisterBuiltins registers every built-in template on the catalog.
func RegisterBuiltins(c *Catalog, opts BuiltinOptions) error {
	for _, t := range Builtins(opts) {
		if err := c.Register(t); err != nil {
			return err
		}
	}
	return nil
}
