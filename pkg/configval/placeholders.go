package configval

import (
	"strconv"

	"github.com/nrel/hpcpipe/pkg/model"
)

const (
	placeholderRequired      = "[REQUIRED]"
	placeholderRequiredOnHPC = "[REQUIRED IF ON HPC]"
)

// RejectPlaceholders walks v and returns a *model.ConfigError naming the
// first key path still holding a `[REQUIRED]` or `[REQUIRED IF ON HPC]`
// placeholder string (spec.md §6).
func RejectPlaceholders(path string, v Value) error {
	return walkPlaceholders(path, v)
}

func walkPlaceholders(path string, v Value) error {
	switch v.Kind() {
	case KindString:
		if v.s == placeholderRequired || v.s == placeholderRequiredOnHPC {
			return &model.ConfigError{Path: path, Msg: "required value was not filled in (" + v.s + ")"}
		}
	case KindList:
		for i, item := range v.list {
			if err := walkPlaceholders(indexPath(path, i), item); err != nil {
				return err
			}
		}
	case KindMap:
		for k, item := range v.m {
			if err := walkPlaceholders(keyPath(path, k), item); err != nil {
				return err
			}
		}
	}
	return nil
}

func keyPath(base, key string) string {
	if base == "" {
		return key
	}
	return base + "." + key
}

func indexPath(base string, i int) string {
	return base + "[" + strconv.Itoa(i) + "]"
}
