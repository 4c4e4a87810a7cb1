package puller

import (
	"fmt"
	"net/url"
	"sort"
	"strings"

	"github.com/staticglobal/ta-cloud-exchange-plugins/pkg/cursor"
)

// Data types served by an orchestrator.
const (
	DataTypeAlert = "alert"
	DataTypeEvent = "event"
)

// Alerts maps alert subtype display names to API alert types.
var Alerts = map[string]string{
	"Compromised Credential": "compromisedcredential",
	"policy":                 "policy",
	"malsite":                "malsite",
	"Malware":                "malware",
	"DLP":                    "dlp",
	"Security Assessment":    "securityassessment",
	"watchlist":              "watchlist",
	"quarantine":             "quarantine",
	"Remediation":            "remediation",
	"uba":                    "uba",
	"ctep":                   "ctep",
	"Device":                 "device",
	"Content":                "content",
}

// Events maps event subtype names to API event types.
var Events = map[string]string{
	"page":           "page",
	"infrastructure": "infrastructure",
	"network":        "network",
	"audit":          "audit",
	"application":    "application",
	"incident":       "incident",
	"endpoint":       "endpoint",
	"clientstatus":   cursor.ClientStatusEventType,
}

// Catalogue returns the subtype table of a data type.
func Catalogue(dataType string) (map[string]string, error) {
	switch dataType {
	case DataTypeAlert:
		return Alerts, nil
	case DataTypeEvent:
		return Events, nil
	default:
		return nil, fmt.Errorf("unknown data type %q", dataType)
	}
}

// Subtypes returns the sorted subtype names of a data type.
func Subtypes(dataType string) []string {
	table, err := Catalogue(dataType)
	if err != nil {
		return nil
	}
	out := make([]string, 0, len(table))
	for name := range table {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// NeedsProvisionedCursor reports whether a subtype pulls from an explicitly
// created cursor instead of an implicit one.
func NeedsProvisionedCursor(dataType, subtype string) bool {
	return dataType == DataTypeEvent && subtype == cursor.ClientStatusEventType
}

// DataPath is the JSON pull path of a subtype.
func DataPath(dataType, subtype string) (string, error) {
	table, err := Catalogue(dataType)
	if err != nil {
		return "", err
	}
	apiType, ok := table[subtype]
	if !ok {
		return "", fmt.Errorf("unknown %s subtype %q", dataType, subtype)
	}
	return fmt.Sprintf("/api/v2/events/dataexport/%ss/%s", dataType, url.PathEscape(apiType)), nil
}

// normalizeSubtypes drops blanks and duplicates, keeping first-seen order.
func normalizeSubtypes(subtypes []string) []string {
	seen := make(map[string]bool, len(subtypes))
	out := make([]string, 0, len(subtypes))
	for _, s := range subtypes {
		s = strings.TrimSpace(s)
		if s == "" || seen[s] {
			continue
		}
		seen[s] = true
		out = append(out, s)
	}
	return out
}
