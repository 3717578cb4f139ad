package store

import (
	"encoding/json"

	"github.com/kiranshivaraju/scanhunter/pkg/models"
)

func nullableJSON(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	return []byte(raw)
}

func errorColumns(info *models.ErrorInfo) (kind, detail *string) {
	if info == nil {
		return nil, nil
	}
	k := string(info.Kind)
	d := info.Detail
	return &k, &d
}

func errorInfo(kind, detail *string) *models.ErrorInfo {
	if kind == nil {
		return nil
	}
	info := &models.ErrorInfo{Kind: models.ErrorKind(*kind)}
	if detail != nil {
		info.Detail = *detail
	}
	return info
}
