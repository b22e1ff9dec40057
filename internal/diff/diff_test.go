package diff

import (
	"errors"
	"strings"
	"testing"
)

const sampleDiff = `diff --git a/hello.go b/hello.go
new file mode 100644
index 0000000..e69de29
--- /dev/null
+++ b/hello.go
@@ -0,0 +1,11 @@
+package main
+
+import "fmt"
+
+func main() {
+	fmt.Println("hello")
+}
+
+func add(a, b int) int {
+	return a + b
+}
diff --git a/readme.md b/readme.md
index abc1234..def5678 100644
--- a/readme.md
+++ b/readme.md
@@ -1,3 +1,4 @@
 # Project

-Old description
+New description
+Added line
diff --git a/gone.go b/gone.go
deleted file mode 100644
index abc1234..0000000
--- a/gone.go
+++ /dev/null
@@ -1,1 +0,0 @@
-package gone
`

func TestParse(t *testing.T) {
	cs, err := Parse(sampleDiff, Options{ChangeSetID: "mr-1", Title: "Add hello"})
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}

	if len(cs.Units) != 2 {
		t.Fatalf("expected 2 units (deleted file skipped), got %d", len(cs.Units))
	}

	hello := cs.Units[0]
	if hello.Path != "hello.go" {
		t.Errorf("expected path 'hello.go', got %q", hello.Path)
	}
	if hello.Language != "go" {
		t.Errorf("expected language go, got %q", hello.Language)
	}
	if hello.ChangedLineCount() != 11 {
		t.Errorf("expected 11 changed lines, got %d", hello.ChangedLineCount())
	}
	if hello.ID != "mr-1:hello.go" {
		t.Errorf("unexpected unit id %q", hello.ID)
	}
	if hello.Title != "Add hello" {
		t.Errorf("expected change-set title on unit, got %q", hello.Title)
	}
	if !strings.HasPrefix(hello.Content, "package main") {
		t.Errorf("expected reconstructed content, got %q", hello.Content)
	}

	readme := cs.Units[1]
	got := readme.ChangedLines()
	if len(got) != 2 || got[0] != 3 || got[1] != 4 {
		t.Errorf("expected changed lines [3 4], got %v", got)
	}
}

func TestParse_UsesContentSource(t *testing.T) {
	src := func(path string) (string, error) {
		if path == "hello.go" {
			return "package main // full", nil
		}
		return "", errors.New("not found")
	}

	cs, err := Parse(sampleDiff, Options{ChangeSetID: "mr-1", Content: src})
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	if cs.Units[0].Content != "package main // full" {
		t.Errorf("expected content from source, got %q", cs.Units[0].Content)
	}
	if !strings.Contains(cs.Units[1].Content, "New description") {
		t.Errorf("expected fallback reconstruction, got %q", cs.Units[1].Content)
	}
}

func TestParse_RequiresID(t *testing.T) {
	if _, err := Parse(sampleDiff, Options{}); err == nil {
		t.Error("expected error without change-set id")
	}
}

func TestAnnotateChanged(t *testing.T) {
	cs, err := Parse(sampleDiff, Options{ChangeSetID: "mr-1"})
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	out := AnnotateChanged(cs.Units[1])
	lines := strings.Split(out, "\n")
	if strings.Contains(lines[0], ">>>") {
		t.Errorf("expected line 1 unmarked, got %q", lines[0])
	}
	if !strings.Contains(lines[2], ">>>") {
		t.Errorf("expected line 3 marked, got %q", lines[2])
	}
}
