// Package gitignore compiles gitignore-style globs. The scanner and watcher
// use it for .gitignore files and for the configured include/exclude rules.
//
//	m := gitignore.New()
//	m.Add("*.log", "")
//	m.Add("!keep.log", "")
//	m.Add("build/", "web")  // only under web/
//	m.Match("web/build/app.js", false) // true
//
// Digest is folded into the workspace rules hash so that editing a
// .gitignore forces a catch-up sweep.
package gitignore
