package token

import (
	"errors"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

var (
	deployer = common.HexToAddress("0xD0000000000000000000000000000000000000D0")
	alice    = common.HexToAddress("0xAA00000000000000000000000000000000000000")
	bob      = common.HexToAddress("0xBB00000000000000000000000000000000000000")
)

func TestDeployMintsSupplyToHolder(t *testing.T) {
	reg := NewRegistry(deployer)
	tok := reg.Deploy("Cutie Token <3", "QT", 1000000, deployer)

	if tok.Decimals() != 18 {
		t.Errorf("decimals = %d, want 18", tok.Decimals())
	}
	if got, want := tok.BalanceOf(deployer), MustParse("1000000"); !got.Eq(want) {
		t.Errorf("deployer balance = %s, want %s", got.Dec(), want.Dec())
	}
	if !tok.TotalSupply().Eq(tok.BalanceOf(deployer)) {
		t.Error("total supply should equal deployer balance")
	}

	second := reg.Deploy("mETH", "mETH", 1, deployer)
	if second.Address() == tok.Address() {
		t.Error("deploys must get distinct addresses")
	}
	got, err := reg.Token(tok.Address())
	if err != nil || got.Symbol() != "QT" {
		t.Fatalf("lookup failed: %v", err)
	}
	if _, err := reg.Token(alice); !errors.Is(err, ErrUnknownToken) {
		t.Errorf("expected ErrUnknownToken, got %v", err)
	}
}

func TestTransferFromRequiresAllowance(t *testing.T) {
	tok := NewERC20(common.HexToAddress("0x01"), "T", "T", MustParse("100"), alice)
	amount := MustParse("10")

	err := tok.TransferFrom(bob, alice, bob, amount)
	if !errors.Is(err, ErrInsufficientAllowance) {
		t.Fatalf("expected ErrInsufficientAllowance, got %v", err)
	}
	if !tok.BalanceOf(alice).Eq(MustParse("100")) {
		t.Fatal("failed transferFrom must not move funds")
	}

	if err := tok.Approve(alice, bob, amount); err != nil {
		t.Fatalf("approve: %v", err)
	}
	if err := tok.TransferFrom(bob, alice, bob, amount); err != nil {
		t.Fatalf("transferFrom: %v", err)
	}
	if !tok.BalanceOf(bob).Eq(amount) {
		t.Errorf("bob balance = %s, want %s", tok.BalanceOf(bob).Dec(), amount.Dec())
	}
	if !tok.Allowance(alice, bob).IsZero() {
		t.Errorf("allowance should be consumed, got %s", tok.Allowance(alice, bob).Dec())
	}
}

func TestZeroTransferFromWithoutApproval(t *testing.T) {
	tok := NewERC20(common.HexToAddress("0x01"), "T", "T", MustParse("100"), alice)

	if err := tok.TransferFrom(bob, alice, bob, new(uint256.Int)); err != nil {
		t.Fatalf("zero transferFrom: %v", err)
	}
	if !tok.BalanceOf(alice).Eq(MustParse("100")) {
		t.Error("zero transferFrom moved funds")
	}
	if !tok.Allowance(alice, bob).IsZero() {
		t.Errorf("allowance = %s, want 0", tok.Allowance(alice, bob).Dec())
	}
}

func TestTransferInsufficientBalance(t *testing.T) {
	tok := NewERC20(common.HexToAddress("0x01"), "T", "T", uint256.NewInt(5), alice)
	if err := tok.Transfer(alice, bob, uint256.NewInt(6)); !errors.Is(err, ErrInsufficientBalance) {
		t.Fatalf("expected ErrInsufficientBalance, got %v", err)
	}
	if err := tok.Transfer(alice, common.Address{}, uint256.NewInt(1)); !errors.Is(err, ErrZeroAddress) {
		t.Fatalf("expected ErrZeroAddress, got %v", err)
	}
}

func TestSnapshotRoundTrip(t *testing.T) {
	tok := NewERC20(common.HexToAddress("0x01"), "T", "T", uint256.NewInt(50), alice)
	_ = tok.Approve(alice, bob, uint256.NewInt(7))
	_ = tok.Transfer(alice, bob, uint256.NewInt(20))

	restored := FromState(tok.Snapshot())
	if !restored.BalanceOf(bob).Eq(uint256.NewInt(20)) || !restored.BalanceOf(alice).Eq(uint256.NewInt(30)) {
		t.Error("balances not restored")
	}
	if !restored.Allowance(alice, bob).Eq(uint256.NewInt(7)) {
		t.Error("allowance not restored")
	}
	if !restored.TotalSupply().Eq(uint256.NewInt(50)) {
		t.Error("supply not restored")
	}
}

func TestParseAndFormatUnits(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"1", "1000000000000000000"},
		{"0.1", "100000000000000000"},
		{"0.9", "900000000000000000"},
		{"1000000", "1000000000000000000000000"},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseUnits(tt.in, DefaultDecimals)
			if err != nil {
				t.Fatalf("ParseUnits(%q): %v", tt.in, err)
			}
			if got.Dec() != tt.want {
				t.Errorf("ParseUnits(%q) = %s, want %s", tt.in, got.Dec(), tt.want)
			}
			if back := FormatUnits(got, DefaultDecimals); back != tt.in {
				t.Errorf("FormatUnits = %s, want %s", back, tt.in)
			}
		})
	}

	for _, bad := range []string{"-1", "abc", "0.0000000000000000001"} {
		if _, err := ParseUnits(bad, DefaultDecimals); err == nil {
			t.Errorf("ParseUnits(%q) should fail", bad)
		}
	}
}
