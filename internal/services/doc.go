// Package services defines the error classification and context annotation
// conventions shared by pipeline stages and external tool wrappers.
package services
