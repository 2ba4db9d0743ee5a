/*
Copyright 2025 The CloudPaste Authors

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

     http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package types

import "sort"

// PartRecord is one uploaded multipart part. ETag may be empty while
// the part is pending or for backends that do not return one.
type PartRecord struct {
	PartNumber int    `json:"partNumber"`
	ETag       string `json:"etag,omitempty"`
	Size       int64  `json:"size,omitempty"`
}

// SortParts orders parts by PartNumber in place and returns the slice.
func SortParts(parts []PartRecord) []PartRecord {
	sort.Slice(parts, func(i, j int) bool { return parts[i].PartNumber < parts[j].PartNumber })
	return parts
}

// ContiguousWithETags reports whether parts form the complete 1..total
// sequence, every entry carrying a non-empty ETag. Parts must already
// be sorted. It is the completion precondition for per-part-URL
// multipart uploads.
func ContiguousWithETags(parts []PartRecord, total int) bool {
	if len(parts) != total {
		return false
	}
	for i, p := range parts {
		if p.PartNumber != i+1 || p.ETag == "" {
			return false
		}
	}
	return true
}
