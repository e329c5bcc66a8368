package codec

import (
	"bytes"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/sadewadee/httpbridge/internal/value"
)

// EncodeXML renders every child of v as an element named after its key.
// Attributes come from the reserved attribute child and an element's text is
// its value's scalar string form. A root with several children yields several
// top-level elements; callers that need a single document element wrap the
// value in one child first.
func EncodeXML(v *value.Value) (string, error) {
	var buf bytes.Buffer
	buf.WriteString(`<?xml version="1.0" encoding="UTF-8"?>`)

	enc := xml.NewEncoder(&buf)
	if err := encodeChildren(enc, v); err != nil {
		return "", fmt.Errorf("encoding xml: %w", err)
	}
	if err := enc.Flush(); err != nil {
		return "", fmt.Errorf("encoding xml: %w", err)
	}
	return buf.String(), nil
}

func encodeChildren(enc *xml.Encoder, v *value.Value) error {
	var err error
	v.Each(func(name string, child *value.Value) {
		if err != nil {
			return
		}
		err = encodeElement(enc, name, child)
	})
	return err
}

func encodeElement(enc *xml.Encoder, name string, v *value.Value) error {
	start := xml.StartElement{Name: xml.Name{Local: name}}
	for _, attr := range v.Attributes() {
		start.Attr = append(start.Attr, xml.Attr{Name: xml.Name{Local: attr.Name}, Value: attr.Value})
	}
	if err := enc.EncodeToken(start); err != nil {
		return err
	}
	if text := v.String(); text != "" {
		if err := enc.EncodeToken(xml.CharData(text)); err != nil {
			return err
		}
	}
	if err := encodeChildren(enc, v); err != nil {
		return err
	}
	return enc.EncodeToken(start.End())
}

// DecodeXML parses body into v. Elements become children named by their local
// name, attributes go to the reserved attribute child and character data sets
// the scalar of the enclosing node. Whitespace-only text is kept only for
// elements without child elements, so indentation between siblings is dropped.
func DecodeXML(body []byte, v *value.Value) error {
	type frame struct {
		node     *value.Value
		blank    string // whitespace-only text seen so far
		children bool
		text     bool
	}

	dec := xml.NewDecoder(bytes.NewReader(body))
	stack := []*frame{{node: v}}
	sawElement := false

	for {
		tok, err := dec.Token()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return fmt.Errorf("%w: %v", ErrMalformedBody, err)
		}

		current := stack[len(stack)-1]
		switch t := tok.(type) {
		case xml.StartElement:
			sawElement = true
			current.children = true
			child := current.node.NewChild(t.Name.Local)
			for _, attr := range t.Attr {
				if attr.Name.Space == "xmlns" || attr.Name.Local == "xmlns" {
					continue
				}
				child.SetAttribute(attr.Name.Local, attr.Value)
			}
			stack = append(stack, &frame{node: child})
		case xml.EndElement:
			if !current.children && !current.text && current.blank != "" {
				current.node.SetString(current.blank)
			}
			stack = stack[:len(stack)-1]
		case xml.CharData:
			if len(stack) == 1 {
				continue
			}
			text := string(t)
			if strings.TrimSpace(text) == "" {
				current.blank += text
				continue
			}
			current.text = true
			current.node.SetString(text)
		}
	}

	if len(stack) != 1 {
		return fmt.Errorf("%w: unexpected end of document", ErrMalformedBody)
	}
	if !sawElement {
		return fmt.Errorf("%w: no root element", ErrMalformedBody)
	}
	return nil
}
