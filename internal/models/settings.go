package models

import (
	"encoding/json"
)

// Settings shared by Mixcore for the current culture
type Settings struct {
	Culture          string          `json:"-"`
	LocalizeSettings json.RawMessage `json:"localizeSettings"`
	GlobalSettings   GlobalSettings  `json:"globalSettings"`
	Translator       json.RawMessage `json:"translator"`
}

type GlobalSettings struct {
	LastUpdateConfiguration *Timestamp `json:"lastUpdateConfiguration,omitempty"`
	APIEncryptKey           string     `json:"apiEncryptKey,omitempty"`
	Lang                    string     `json:"lang,omitempty"`
	Domain                  string     `json:"domain,omitempty"`
	IsEncryptAPI            bool       `json:"isEncryptApi,omitempty"`
}
