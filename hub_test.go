package main

import (
	"encoding/json"
	"testing"
)

func TestHubTime(t *testing.T) {
	check := func(in string, expEpoch int64) {
		t.Helper()
		var tm hubTime
		if err := json.Unmarshal([]byte(in), &tm); err != nil {
			t.Fatalf("unmarshal %s: %v", in, err)
		}
		if tm.Epoch() != expEpoch {
			t.Fatalf("got epoch %d for %s, expected %d", tm.Epoch(), in, expEpoch)
		}
	}
	check(`"2019-01-02T03:04:05.123456Z"`, 1546398245)
	// Images predating the hub's timestamping have no value.
	check(`null`, 0)
	check(`""`, 0)

	var tm hubTime
	if err := json.Unmarshal([]byte(`"yesterday"`), &tm); err == nil {
		t.Fatalf("expected error for unparseable time")
	}
}

func TestPullTarget(t *testing.T) {
	// Regular products carry plans with repositories and versions.
	d := &productDetail{}
	if err := json.Unmarshal([]byte(`{
		"plans": [{
			"certification_status": "certified",
			"repositories": [{"namespace": "acme", "reponame": "widgets"}],
			"versions": [{"tags": [{"value": "1.0"}]}]
		}]
	}`), d); err != nil {
		t.Fatalf("unmarshal product detail: %v", err)
	}
	name, tag := d.pullTarget("acme-widgets")
	if name != "acme/widgets" || tag != "1.0" {
		t.Fatalf("got %s:%s, expected acme/widgets:1.0", name, tag)
	}

	// No versions: the default tag.
	d.Plans[0].Versions = nil
	if _, tag := d.pullTarget("acme-widgets"); tag != "latest" {
		t.Fatalf("got tag %s, expected latest", tag)
	}

	// Microsoft products only publish pull instructions in the description.
	ms := &productDetail{FullDescription: "Get started:\n\n```docker pull microsoft/nanoserver:sac2016```\n"}
	name, tag = ms.pullTarget("microsoft-nanoserver")
	if name != "microsoft/nanoserver" || tag != "sac2016" {
		t.Fatalf("got %s:%s, expected microsoft/nanoserver:sac2016", name, tag)
	}

	ms = &productDetail{FullDescription: "```docker pull microsoft/powershell```"}
	name, tag = ms.pullTarget("microsoft-powershell")
	if name != "microsoft/powershell" || tag != "latest" {
		t.Fatalf("got %s:%s, expected microsoft/powershell:latest", name, tag)
	}

	// No images at all.
	empty := &productDetail{}
	if name, _ := empty.pullTarget("acme-paperware"); name != "" {
		t.Fatalf("got name %q for product without images, expected empty", name)
	}
}

func TestPageCount(t *testing.T) {
	for _, x := range []struct{ total, pages int }{
		{0, 0},
		{1, 1},
		{hubPageSize, 1},
		{hubPageSize + 1, 2},
		{3 * hubPageSize, 3},
	} {
		if got := pageCount(x.total); got != x.pages {
			t.Fatalf("got %d pages for %d objects, expected %d", got, x.total, x.pages)
		}
	}
}
