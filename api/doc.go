// Package api exposes the registry over HTTP. It owns request parsing
// and validation and translates registry errors into HTTP statuses;
// all coordination logic stays in the registry package.
package api
