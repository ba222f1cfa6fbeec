// Cartographus - Media Server Analytics and Geographic Visualization
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/cartographus

package badger

import (
	bg "github.com/dgraph-io/badger/v4"

	"github.com/idpass/datacollect-engine/internal/engineerrors"
)

// Open opens (creating if necessary) a BadgerDB at dir, shared across every tenant's
// Event/Entity/Auth stores constructed against it. badger.DefaultOptions matches the
// teacher's WAL usage (internal/wal/wal.go); logging is silenced in favor of the
// engine's own structured logger.
func Open(dir string) (*bg.DB, error) {
	opts := bg.DefaultOptions(dir).WithLogger(nil)
	db, err := bg.Open(opts)
	if err != nil {
		return nil, engineerrors.Wrap(engineerrors.KindStorage, "open badger db", err)
	}
	return db, nil
}
