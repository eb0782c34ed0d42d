// Package config loads lfsync configuration and the desired menu layout.
//
// # Overview
//
// Three inputs drive a sync: the YAML configuration file (AppConfig), a CUE
// menu layout describing the tree the device should hold, and an optional
// Starlark script answering device activation queries.
//
// # Components
//
// AppConfig: the lfsync.yaml file. Load applies defaults, the file, then
// LFSYNC_* environment overrides, and validates the result with struct tags.
//
// LayoutParser: parses CUE layouts, checks them against the built-in #Menu
// schema and builds an lfs.Model whose files carry their source ROM and cfg
// content.
//
// SchemaRegistry: holds the #Menu and #Item schemas and any custom schema.
//
// ScriptSettings: an activation.Settings backed by a Starlark activate
// function, run by StarlarkEvaluator with a time limit.
//
// LayoutWatcher: reloads the layout on file changes for watch mode.
//
// # Layout Example
//
//	menu: {
//		root: "roms"
//		items: [
//			{name: "Astrosmash", rom: "astro.bin", cfg: "astro.cfg"},
//			{name: "Sports", items: [
//				{name: "Baseball", rom: "baseball.bin"},
//			]},
//		]
//	}
//
// # Usage Example
//
//	parser := config.NewLayoutParser()
//	desired, layout, err := parser.Load(ctx, "menu.cue")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	files, dirs := layout.Count()
package config
