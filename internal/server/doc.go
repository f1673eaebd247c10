// Package server hosts the Fiber HTTP service, the Host → site middleware and
// the site registry that owns each site's cache namespace and active
// dispatcher. It also provides the HTTP implementation of policy.Fetcher used
// by install and fetch events. Keep exports narrow and accept explicit
// dependencies so tests can swap storage backends and origins.
package server
