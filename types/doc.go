// Package types provides core types used across the contextgate gateway.
// This package has ZERO dependencies on other contextgate packages to avoid
// circular imports. All other packages should import types from here.
package types
