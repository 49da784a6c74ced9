// Package service implements the operator facing admin API on top of the
// account pool.
package service

import "github.com/google/wire"

// ProviderSet is service providers.
var ProviderSet = wire.NewSet(NewAdminService)
