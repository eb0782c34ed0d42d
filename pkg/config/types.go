package config

import (
	"fmt"
	"strings"
	"time"
)

// MenuItem is one entry of a desired menu layout. An item with a ROM is a
// file; an item without one is a directory holding Items.
type MenuItem struct {
	// Name is the menu label shown on the device.
	Name string `json:"name" validate:"required,max=60,excludesall=/"`

	// ROM is the path of the program image, relative to the layout root.
	ROM string `json:"rom,omitempty" validate:"required_with=Config,excluded_with=Items"`

	// Config is the optional .cfg companion of ROM.
	Config string `json:"cfg,omitempty"`

	// Items are the children of a directory.
	Items []MenuItem `json:"items,omitempty" validate:"dive"`
}

// IsDirectory reports whether the item is a directory.
func (i MenuItem) IsDirectory() bool {
	return i.ROM == ""
}

// Layout is a parsed menu layout.
type Layout struct {
	// Root is the directory ROM paths are resolved against. A relative
	// root is resolved against the directory of the layout source.
	Root string `json:"root,omitempty"`

	// Items are the top-level menu entries.
	Items []MenuItem `json:"items" validate:"dive"`

	// SourceFiles lists the files the layout was loaded from.
	SourceFiles []string `json:"-"`

	// ParsedAt is when the layout was parsed.
	ParsedAt time.Time `json:"-"`

	// Errors lists any validation errors.
	Errors []ValidationError `json:"-"`
}

// Count returns the number of files and directories in the layout.
func (l *Layout) Count() (files, dirs int) {
	var walk func(items []MenuItem)
	walk = func(items []MenuItem) {
		for _, it := range items {
			if it.IsDirectory() {
				dirs++
				walk(it.Items)
			} else {
				files++
			}
		}
	}
	walk(l.Items)
	return files, dirs
}

// Err returns the layout errors as a single error, or nil.
func (l *Layout) Err() error {
	if len(l.Errors) == 0 {
		return nil
	}
	msgs := make([]string, len(l.Errors))
	for i, e := range l.Errors {
		msgs[i] = e.Error()
	}
	return fmt.Errorf("invalid layout: %s", strings.Join(msgs, "; "))
}

// ValidationError represents a validation error with location information.
type ValidationError struct {
	// File is the source file path.
	File string `json:"file,omitempty"`

	// Line is the line number (1-indexed).
	Line int `json:"line,omitempty"`

	// Column is the column number (1-indexed).
	Column int `json:"column,omitempty"`

	// Path is the layout path of the error (e.g., "menu.items[2].rom").
	Path string `json:"path,omitempty"`

	// Message is the error message.
	Message string `json:"message"`

	// Severity is the error severity (error, warning, info).
	Severity string `json:"severity" validate:"required,oneof=error warning info"`
}

// Error implements error.
func (e ValidationError) Error() string {
	var loc string
	switch {
	case e.File != "" && e.Line > 0:
		loc = fmt.Sprintf("%s:%d:%d: ", e.File, e.Line, e.Column)
	case e.File != "":
		loc = e.File + ": "
	}
	if e.Path != "" {
		return fmt.Sprintf("%s%s: %s", loc, e.Path, e.Message)
	}
	return loc + e.Message
}
