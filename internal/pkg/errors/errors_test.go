package errors

import (
	"errors"
	"fmt"
	"net/http"
	"testing"
)

func TestAppError_Error(t *testing.T) {
	tests := []struct {
		name string
		err  *AppError
		want string
	}{
		{
			name: "without wrapped error",
			err:  New(CodeInstanceNotFound, "instance not found", http.StatusNotFound),
			want: "INSTANCE_NOT_FOUND: instance not found",
		},
		{
			name: "with wrapped error",
			err:  ErrMigrationf(fmt.Errorf("rsync exited 23"), "Failed to transfer vhd to new host"),
			want: "MIGRATION_FAILED: Failed to transfer vhd to new host: rsync exited 23",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.err.Error(); got != tt.want {
				t.Errorf("Error() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestAppError_Unwrap(t *testing.T) {
	inner := fmt.Errorf("inner error")
	appErr := Wrap(inner, "CODE", "msg", 500)

	if !errors.Is(appErr, inner) {
		t.Error("errors.Is should match inner error")
	}
}

func TestIsAppError(t *testing.T) {
	appErr := NotFound("NOT_FOUND", "resource not found")
	wrapped := fmt.Errorf("wrapped: %w", appErr)

	got, ok := IsAppError(wrapped)
	if !ok {
		t.Fatal("IsAppError should return true for wrapped AppError")
	}
	if got.Code != "NOT_FOUND" {
		t.Errorf("Code = %q, want NOT_FOUND", got.Code)
	}
}

func TestErrorConstructors(t *testing.T) {
	tests := []struct {
		name       string
		err        *AppError
		wantStatus int
	}{
		{"NotFound", NotFound("NF", "not found"), http.StatusNotFound},
		{"BadRequest", BadRequest("BR", "bad request"), http.StatusBadRequest},
		{"Conflict", Conflict("CF", "conflict"), http.StatusConflict},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.err.HTTPStatus != tt.wantStatus {
				t.Errorf("HTTPStatus = %d, want %d", tt.err.HTTPStatus, tt.wantStatus)
			}
		})
	}
}

func TestDomainConstructors(t *testing.T) {
	tests := []struct {
		name       string
		err        *AppError
		wantCode   string
		wantStatus int
	}{
		{"not found", ErrInstanceNotFoundf("instance-1"), CodeInstanceNotFound, http.StatusNotFound},
		{"exists", ErrInstanceExistsf("instance-1"), CodeInstanceExists, http.StatusConflict},
		{"free mem", ErrInsufficientFreeMemf("instance-1", 2048), CodeInsufficientFreeMem, http.StatusServiceUnavailable},
		{"unacceptable", ErrInstanceUnacceptablef("instance-1", "kernel without ramdisk"), CodeInstanceUnacceptable, http.StatusConflict},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.err.Code != tt.wantCode {
				t.Errorf("Code = %q, want %q", tt.err.Code, tt.wantCode)
			}
			if tt.err.HTTPStatus != tt.wantStatus {
				t.Errorf("HTTPStatus = %d, want %d", tt.err.HTTPStatus, tt.wantStatus)
			}
			if tt.err.Params["name"] != "instance-1" {
				t.Errorf("Params[name] = %v, want instance-1", tt.err.Params["name"])
			}
		})
	}
}

func TestHasCode(t *testing.T) {
	err := fmt.Errorf("spawn: %w", ErrInstanceExistsf("instance-1"))
	if !HasCode(err, CodeInstanceExists) {
		t.Error("HasCode should match wrapped code")
	}
	if HasCode(err, CodeInstanceNotFound) {
		t.Error("HasCode should not match a different code")
	}
	if HasCode(errors.New("plain"), CodeInstanceExists) {
		t.Error("HasCode should be false for non-AppError")
	}
}
