package main

import "testing"

func TestClassifySubmission(t *testing.T) {
	tests := []struct {
		name             string
		body             string
		wantSuccess      bool
		wantReclassified bool
		wantMsg          string
		wantErr          bool
	}{
		{
			name:        "accepted",
			body:        `{"success":true,"msg":"预约成功"}`,
			wantSuccess: true,
			wantMsg:     "预约成功",
		},
		{
			name:    "seat taken",
			body:    `{"success":false,"msg":"该座位已经被人预约了!"}`,
			wantMsg: "该座位已经被人预约了!",
		},
		{
			name:             "stale validation code counts as success",
			body:             `{"success":false,"msg":"验证失败，代码:302"}`,
			wantSuccess:      true,
			wantReclassified: true,
			wantMsg:          "验证失败，代码:302",
		},
		{
			name:             "full-width colon and spaces",
			body:             `{"success":false,"msg":"代码 ： 302"}`,
			wantSuccess:      true,
			wantReclassified: true,
			wantMsg:          "代码 ： 302",
		},
		{
			name:    "other code stays a rejection",
			body:    `{"success":false,"msg":"代码:303"}`,
			wantMsg: "代码:303",
		},
		{
			name:        "string success flag",
			body:        `{"success":"true","msg":""}`,
			wantSuccess: true,
		},
		{
			name:             "structured msg",
			body:             `{"success":false,"msg":{"code":"代码:302"}}`,
			wantSuccess:      true,
			wantReclassified: true,
			wantMsg:          `{"code":"代码:302"}`,
		},
		{
			name:    "not json",
			body:    `<html>blocked</html>`,
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := classifySubmission([]byte(tt.body))
			if tt.wantErr {
				if err == nil {
					t.Fatal("expected error")
				}
				if res.Raw != tt.body {
					t.Errorf("raw body not kept on error")
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if res.Success != tt.wantSuccess {
				t.Errorf("Success = %v, want %v", res.Success, tt.wantSuccess)
			}
			if res.Reclassified != tt.wantReclassified {
				t.Errorf("Reclassified = %v, want %v", res.Reclassified, tt.wantReclassified)
			}
			if res.Message != tt.wantMsg {
				t.Errorf("Message = %q, want %q", res.Message, tt.wantMsg)
			}
		})
	}
}
