package validation

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
)

func TestIsValidEthAddress(t *testing.T) {
	tests := []struct {
		addr  string
		valid bool
	}{
		{"0x1234567890123456789012345678901234567890", true},
		{"0xabcdefABCDEF1234567890123456789012345678", true},
		{"0x0000000000000000000000000000000000000000", true},

		{"1234567890123456789012345678901234567890", false},
		{"0x12345678901234567890123456789012345678", false},
		{"0x123456789012345678901234567890123456789012", false},
		{"0xGGGGGGGGGGGGGGGGGGGGGGGGGGGGGGGGGGGGGGGG", false},
		{"", false},
		{"0x", false},
	}

	for _, tc := range tests {
		result := IsValidEthAddress(tc.addr)
		if result != tc.valid {
			t.Errorf("IsValidEthAddress(%q) = %v, want %v", tc.addr, result, tc.valid)
		}
	}
}

func TestIsValidAddress(t *testing.T) {
	tests := []struct {
		addr  string
		valid bool
	}{
		{"0x1234567890123456789012345678901234567890", true},
		{"0X1234567890123456789012345678901234567890", true},
		{"bc1qar0srrr7xfkvy5l643lydnw9re59gtzzwf5mdq", true},
		{"9WzDXwBbmkg8ZTbNMqUxvQRAyrZzDsGYdLVL9zYtAWWM", true},
		{"alice.near", true},

		{"0x1234", false},
		{"has space", false},
		{"semi;colon", false},
		{"", false},
		{strings.Repeat("a", MaxIdentifierLength+1), false},
	}
	for _, tc := range tests {
		if got := IsValidAddress(tc.addr); got != tc.valid {
			t.Errorf("IsValidAddress(%q) = %v, want %v", tc.addr, got, tc.valid)
		}
	}
}

func TestSanitizeString(t *testing.T) {
	tests := []struct {
		input    string
		maxLen   int
		expected string
	}{
		{"hello", 10, "hello"},
		{"  hello  ", 10, "hello"},
		{"hello world", 5, "hello"},
		{"hello\x00world", 20, "helloworld"},
	}

	for _, tc := range tests {
		result := SanitizeString(tc.input, tc.maxLen)
		if result != tc.expected {
			t.Errorf("SanitizeString(%q, %d) = %q, want %q", tc.input, tc.maxLen, result, tc.expected)
		}
	}
}

func TestValidate(t *testing.T) {
	errs := Validate(
		Required("id", "tx-1"),
		ValidAddress("wallet", "0x1234567890123456789012345678901234567890"),
		NonNegative("amount", decimal.NewFromInt(5)),
	)
	if len(errs) != 0 {
		t.Errorf("Expected no errors, got %v", errs)
	}

	errs = Validate(
		Required("id", " "),
		ValidAddress("wallet", "not valid"),
		NonNegative("amount", decimal.NewFromInt(-5)),
	)
	if len(errs) != 3 {
		t.Fatalf("Expected 3 errors, got %d", len(errs))
	}
	if errs.Error() != "id: is required" {
		t.Errorf("Error() = %q", errs.Error())
	}

	prefixed := errs.Prefixed("records[2].")
	if prefixed[1].Field != "records[2].wallet" {
		t.Errorf("Prefixed field = %q", prefixed[1].Field)
	}
	if errs[1].Field != "wallet" {
		t.Error("Prefixed must not modify the receiver")
	}
}

func TestMaxLength(t *testing.T) {
	if err := MaxLength("field", "hello", 10)(); err != nil {
		t.Error("Expected no error for string under limit")
	}
	if err := MaxLength("field", "hello", 5)(); err != nil {
		t.Error("Expected no error for string at limit")
	}
	if err := MaxLength("field", "hello world", 5)(); err == nil {
		t.Error("Expected error for string over limit")
	}
}

func TestParamMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.GET("/chains/:chain", ChainParamMiddleware(), func(c *gin.Context) { c.Status(http.StatusOK) })
	r.GET("/wallets/:address", AddressParamMiddleware(), func(c *gin.Context) { c.Status(http.StatusOK) })

	tests := []struct {
		path string
		want int
	}{
		{"/chains/desk-1", http.StatusOK},
		{"/chains/" + strings.Repeat("x", 129), http.StatusBadRequest},
		{"/chains/a%24b", http.StatusBadRequest},
		{"/wallets/0x1234567890123456789012345678901234567890", http.StatusOK},
		{"/wallets/0xnope", http.StatusBadRequest},
	}
	for _, tc := range tests {
		w := httptest.NewRecorder()
		r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, tc.path, nil))
		if w.Code != tc.want {
			t.Errorf("GET %s = %d, want %d", tc.path, w.Code, tc.want)
		}
	}
}
