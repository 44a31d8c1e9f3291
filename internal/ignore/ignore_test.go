package ignore

import "testing"

func TestIgnoredName(t *testing.T) {
	m := NewMatcher()
	ignored := []string{
		".DS_Store", "~$report.docx", "draft.tmp", "index.lock",
		"video.part", ".hidden", "notes.swp", "download.nxpart", "backup~",
	}
	for _, name := range ignored {
		if !m.IgnoredName(name) {
			t.Errorf("IgnoredName(%q) = false, want true", name)
		}
	}
	kept := []string{"report.docx", "photo.jpg", "partial", "locker.txt", "tmp"}
	for _, name := range kept {
		if m.IgnoredName(name) {
			t.Errorf("IgnoredName(%q) = true, want false", name)
		}
	}
}

func TestIgnoredPath_Components(t *testing.T) {
	m := NewMatcher()
	if !m.IgnoredPath("/docs/.git/config") {
		t.Error("path containing an ignored component should be ignored")
	}
	if m.IgnoredPath("/docs/readme.md") {
		t.Error("plain path should not be ignored")
	}
}

func TestIgnoredPath_Globs(t *testing.T) {
	m := NewMatcher("**/*.iso", "build/**")
	if !m.IgnoredPath("/images/disk.iso") {
		t.Error("*.iso at depth should match")
	}
	if !m.IgnoredPath("/build/out/app.bin") {
		t.Error("build/** should match")
	}
	if m.IgnoredPath("/src/main.go") {
		t.Error("unmatched path should not be ignored")
	}
}
