// Package domain holds the persisted row types shared by repos, services and
// workers. State that can be derived from stored fields (entry lifecycle,
// job transition legality) lives here as pure functions so it can never
// drift out of sync with the columns that determine it.
package domain
