package document

import "testing"

type fakeResolver struct {
	links map[string][]Reference
	loads int
}

func (f *fakeResolver) Load(ref Reference) (*Document, []Reference, error) {
	f.loads++
	return nil, f.links[ref.ID], nil
}

func TestResolveGraphBoundsDepth(t *testing.T) {
	// a -> b -> c -> d; depth 2 must stop before d
	r := &fakeResolver{links: map[string][]Reference{
		"a": {{Path: "turns/b", ID: "b"}},
		"b": {{Path: "turns/c", ID: "c"}},
		"c": {{Path: "turns/d", ID: "d"}},
	}}
	out, err := ResolveGraph(r, []Reference{{Path: "turns/a", ID: "a"}}, MaxLinkDepth)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(out) != 3 {
		t.Fatalf("expected a,b,c only, got %v", out)
	}
	for _, ref := range out {
		if ref.ID == "d" {
			t.Fatalf("depth bound violated, reached %v", ref)
		}
	}
}

func TestResolveGraphCutsCycles(t *testing.T) {
	r := &fakeResolver{links: map[string][]Reference{
		"a": {{Path: "turns/b", ID: "b"}},
		"b": {{Path: "turns/a", ID: "a"}},
	}}
	out, err := ResolveGraph(r, []Reference{{Path: "turns/a", ID: "a"}}, MaxLinkDepth)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(out) != 2 {
		t.Fatalf("cycle should yield each node once, got %v", out)
	}
}
