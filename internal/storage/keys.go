package storage

import (
	"fmt"
)

// Keys builds object keys under a session's namespace. The environment
// prefix isolates dev and prod data inside a shared bucket, and everything
// for one session lives under a single prefix so cleanup is one listing.
type Keys struct {
	Env       string
	UserID    string
	SessionID string
}

// Prefix is the root of all objects belonging to the session.
func (k Keys) Prefix() string {
	return fmt.Sprintf("%s/%s/%s/", k.Env, k.UserID, k.SessionID)
}

// Original is the uploaded source file for a file-level job.
func (k Keys) Original(jobID string) string {
	return k.Prefix() + "originals/" + jobID + ".pdf"
}

// Page is the single-page buffer submitted for extraction.
func (k Keys) Page(jobID string) string {
	return k.Prefix() + "pages/" + jobID + ".pdf"
}

// Processed is a renamed output file.
func (k Keys) Processed(name string) string {
	return k.Prefix() + "processed/" + name
}

// Bundle is the downloadable zip archive.
func (k Keys) Bundle() string {
	return k.Prefix() + "bundle.zip"
}

// Report is the aggregated spreadsheet.
func (k Keys) Report() string {
	return k.Prefix() + "report.xlsx"
}
