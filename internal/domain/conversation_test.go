package domain

import "testing"

func strPtr(s string) *string { return &s }

func TestOwnerRefValid(t *testing.T) {
	tests := []struct {
		name  string
		owner OwnerRef
		want  bool
	}{
		{name: "user only", owner: OwnerRef{UserID: strPtr("u1")}, want: true},
		{name: "guest only", owner: OwnerRef{GuestUserID: strPtr("g1")}, want: true},
		{name: "both set", owner: OwnerRef{UserID: strPtr("u1"), GuestUserID: strPtr("g1")}, want: false},
		{name: "neither set", owner: OwnerRef{}, want: false},
		{name: "empty strings", owner: OwnerRef{UserID: strPtr(""), GuestUserID: strPtr("")}, want: false},
		{name: "user with empty guest", owner: OwnerRef{UserID: strPtr("u1"), GuestUserID: strPtr("")}, want: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.owner.Valid(); got != tt.want {
				t.Errorf("Valid() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestReadFlagsAfter(t *testing.T) {
	tests := []struct {
		sender          SenderType
		wantReadByUser  bool
		wantReadByAdmin bool
	}{
		{SenderTypeAdmin, false, true},
		{SenderTypeUser, true, false},
		{SenderTypeGuest, true, false},
	}

	for _, tt := range tests {
		t.Run(string(tt.sender), func(t *testing.T) {
			byUser, byAdmin := ReadFlagsAfter(tt.sender)
			if byUser != tt.wantReadByUser || byAdmin != tt.wantReadByAdmin {
				t.Errorf("ReadFlagsAfter(%s) = (%v, %v), want (%v, %v)",
					tt.sender, byUser, byAdmin, tt.wantReadByUser, tt.wantReadByAdmin)
			}
		})
	}
}

func TestActorOwns(t *testing.T) {
	conv := &Conversation{ID: "c1", GuestUserID: strPtr("g1")}

	if !GuestActor("g1").Owns(conv) {
		t.Error("expected owning guest to own conversation")
	}
	if GuestActor("g2").Owns(conv) {
		t.Error("expected other guest not to own conversation")
	}
	if UserActor("g1").Owns(conv) {
		t.Error("user id must not match a guest-owned conversation")
	}
	if AdminActor("a1").Owns(conv) {
		t.Error("admins never own conversations")
	}
}
