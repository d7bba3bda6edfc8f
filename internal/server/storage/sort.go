package storage

import (
	"slices"

	"github.com/dmitrijs2005/pdsvault/internal/common"
	"github.com/dmitrijs2005/pdsvault/internal/server/models"
)

// DefaultSort orders by last modification, newest first.
var DefaultSort = []SortField{{Field: common.FieldDateModified, Desc: true}}

// SortRecords orders recs in place. Missing values sort before present ones;
// ties fall back to _id so results are stable across backends.
func SortRecords(recs []models.Record, sort []SortField) {
	if len(sort) == 0 {
		sort = DefaultSort
	}
	slices.SortStableFunc(recs, func(a, b models.Record) int {
		for _, s := range sort {
			c := compareField(a, b, s.Field)
			if s.Desc {
				c = -c
			}
			if c != 0 {
				return c
			}
		}
		c, _ := Compare(a.ID(), b.ID())
		return c
	})
}

func compareField(a, b models.Record, field string) int {
	av, aok := lookup(a, field)
	bv, bok := lookup(b, field)
	switch {
	case !aok && !bok:
		return 0
	case !aok:
		return -1
	case !bok:
		return 1
	}
	c, _ := Compare(av, bv)
	return c
}

// Page applies skip and limit. Limit 0 means DefaultLimit and Unlimited
// keeps everything after skip.
func Page(recs []models.Record, skip, limit int) []models.Record {
	if skip < 0 {
		skip = 0
	}
	if skip >= len(recs) {
		return []models.Record{}
	}
	recs = recs[skip:]
	if limit == 0 {
		limit = DefaultLimit
	}
	if limit > 0 && limit < len(recs) {
		recs = recs[:limit]
	}
	return recs
}

// Select filters, sorts and pages an in-memory candidate set. Backends that
// cannot push a filter down run their candidates through it.
func Select(candidates []models.Record, f Filter, opts QueryOptions) ([]models.Record, error) {
	out := make([]models.Record, 0, len(candidates))
	for _, r := range candidates {
		ok, err := Match(r, f)
		if err != nil {
			return nil, err
		}
		if ok {
			out = append(out, r)
		}
	}
	SortRecords(out, opts.Sort)
	return Page(out, opts.Skip, opts.Limit), nil
}

// Merge copies partial over base, keeping fields partial does not mention.
func Merge(base, partial models.Record) models.Record {
	out := make(models.Record, len(base)+len(partial))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range partial {
		out[k] = v
	}
	return out
}
