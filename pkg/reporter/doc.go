// Package reporter uploads build results, heartbeats, and abandonment
// notices to the controller. One multipart body shape serves both success
// and failure reports.
package reporter
