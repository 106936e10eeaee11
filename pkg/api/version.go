package api

import (
	"context"
	"fmt"
	"net/http"

	"github.com/Masterminds/semver/v3"
)

// VersionHeader carries the protocol version a client speaks.
const VersionHeader = "AP2-Version"

type versionKey struct{}

// VersionNegotiator accepts requests whose AP2-Version satisfies a
// constraint. Requests without the header are served at the current version.
type VersionNegotiator struct {
	current    *semver.Version
	constraint *semver.Constraints
}

// NewVersionNegotiator serves current and accepts clients matching
// constraint, e.g. "^1.0".
func NewVersionNegotiator(current, constraint string) (*VersionNegotiator, error) {
	v, err := semver.NewVersion(current)
	if err != nil {
		return nil, fmt.Errorf("invalid protocol version %q: %w", current, err)
	}
	c, err := semver.NewConstraint(constraint)
	if err != nil {
		return nil, fmt.Errorf("invalid version constraint %q: %w", constraint, err)
	}
	if !c.Check(v) {
		return nil, fmt.Errorf("protocol version %s does not satisfy %s", v, constraint)
	}
	return &VersionNegotiator{current: v, constraint: c}, nil
}

// Current is the version this server speaks.
func (n *VersionNegotiator) Current() string {
	return n.current.String()
}

// Negotiate returns the version to serve for a requested header value.
func (n *VersionNegotiator) Negotiate(requested string) (*semver.Version, error) {
	if requested == "" {
		return n.current, nil
	}
	v, err := semver.NewVersion(requested)
	if err != nil {
		return nil, fmt.Errorf("malformed %s header %q", VersionHeader, requested)
	}
	if !n.constraint.Check(v) {
		return nil, fmt.Errorf("unsupported protocol version %s; server speaks %s", v, n.current)
	}
	return v, nil
}

// Middleware rejects unsupported versions with 400 and echoes the served
// version in the response header.
func (n *VersionNegotiator) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		v, err := n.Negotiate(r.Header.Get(VersionHeader))
		if err != nil {
			w.Header().Set(VersionHeader, n.current.String())
			WriteErrorR(w, r, http.StatusBadRequest, "unsupported_version", "Unsupported Protocol Version", err.Error())
			return
		}
		w.Header().Set(VersionHeader, n.current.String())
		ctx := context.WithValue(r.Context(), versionKey{}, v)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// RequestVersion returns the negotiated version stored by Middleware.
func RequestVersion(ctx context.Context) *semver.Version {
	v, _ := ctx.Value(versionKey{}).(*semver.Version)
	return v
}
