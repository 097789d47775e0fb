package main

import (
	"testing"
	"time"

	"lanshare/access"
)

func TestParseMkcodeArgs(t *testing.T) {
	cases := []struct {
		name string
		args []string
		want mkcodeRequest
	}{
		{
			name: "role only",
			args: []string{"member"},
			want: mkcodeRequest{role: access.RoleMember},
		},
		{
			name: "with sublan",
			args: []string{"visitor", "office"},
			want: mkcodeRequest{role: access.RoleVisitor, subLan: "office", subLanSet: true},
		},
		{
			name: "reusable with ttl",
			args: []string{"member", "5m", "reusable"},
			want: mkcodeRequest{role: access.RoleMember, ttl: 5 * time.Minute, reusable: true},
		},
		{
			name: "everything in mixed order",
			args: []string{"admin", "reusable", "lab", "1h"},
			want: mkcodeRequest{role: access.RoleAdmin, subLan: "lab", subLanSet: true, ttl: time.Hour, reusable: true},
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := parseMkcodeArgs(tc.args)
			if err != nil {
				t.Fatalf("parseMkcodeArgs(%v) failed: %v", tc.args, err)
			}
			if got != tc.want {
				t.Fatalf("parseMkcodeArgs(%v) = %+v, want %+v", tc.args, got, tc.want)
			}
		})
	}
}

func TestParseMkcodeArgsRejectsBadInput(t *testing.T) {
	cases := [][]string{
		{},
		{"overlord"},
		{"member", "office", "lab"},
		{"member", "-5m"},
	}

	for _, args := range cases {
		if _, err := parseMkcodeArgs(args); err == nil {
			t.Fatalf("parseMkcodeArgs(%v) accepted invalid input", args)
		}
	}
}
