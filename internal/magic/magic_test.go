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

package magic

import (
	"errors"
	"io"
	"strings"
	"testing"
)

var tests = []struct {
	data string
	want string
}{
	{data: "GIF87a.........", want: "image/gif"},
	{data: "\xff\xd8\xff\xe0............", want: "image/jpeg"},
	{data: string([]byte{137, 'P', 'N', 'G', '\r', '\n', 26, 10}) + "....", want: "image/png"},
	{data: "\x1f\x8b\x08........", want: "application/x-gzip"},
	{data: "PK\x03\x04........", want: "application/zip"},
	{data: "%PDF-1.7........", want: "application/pdf"},
	{data: "OggS............", want: "application/ogg"},
	{data: "fLaC\x00\x00\x00....", want: "audio/x-flac"},
	{data: "<html>foo</html>", want: "text/html"},
	{data: "\xff", want: ""},
}

func TestMatcherTableValid(t *testing.T) {
	for i, mte := range matchTable {
		if mte.fn != nil && (mte.offset != 0 || mte.prefix != nil) {
			t.Errorf("entry %d has both function and offset/prefix set: %+v", i, mte)
		}
	}
}

func TestMagic(t *testing.T) {
	for i, tt := range tests {
		mime := MIMEType([]byte(tt.data))
		if mime != tt.want {
			t.Errorf("%d. got %q; want %q", i, mime, tt.want)
		}
	}
}

func TestMIMETypeFromReader(t *testing.T) {
	someErr := errors.New("some error")
	const content = "<html>foobar"
	mime, r := MIMETypeFromReader(io.MultiReader(
		strings.NewReader(content),
		&onceErrReader{someErr},
	))
	if want := "text/html"; mime != want {
		t.Errorf("mime = %q; want %q", mime, want)
	}
	slurp, err := io.ReadAll(r)
	if string(slurp) != content {
		t.Errorf("read = %q; want %q", slurp, content)
	}
	if err != someErr {
		t.Errorf("read error = %v; want %v", err, someErr)
	}
}

// onceErrReader is an io.Reader which just returns err, once.
type onceErrReader struct{ err error }

func (er *onceErrReader) Read([]byte) (int, error) {
	if er.err != nil {
		err := er.err
		er.err = nil
		return 0, err
	}
	return 0, io.EOF
}
