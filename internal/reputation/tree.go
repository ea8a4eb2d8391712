package reputation

import "fmt"

// ObservationKind is one of the two labels a user may apply to an address.
type ObservationKind uint8

const (
	KindTrust ObservationKind = iota
	KindSpam
)

func (k ObservationKind) String() string {
	switch k {
	case KindTrust:
		return "trust"
	case KindSpam:
		return "spam"
	}
	return fmt.Sprintf("kind(%d)", uint8(k))
}

// User identifies the submitter of an observation.
type User uint32

// EntriesPerUser caps the live observations one user may hold at once.
// An observation over the cap is dropped silently: no state change, no
// log record.
const EntriesPerUser = 5

const (
	hoursPerDay = 24

	// userWindowHours bounds how long an observation counts against its
	// submitter's cap.
	userWindowHours = 30 * hoursPerDay

	// addressWindowHours bounds how long an observation contributes to
	// address reputation, measured from its original time.
	addressWindowHours = 2 * 365 * hoursPerDay
)

// userObservation is a live entry in the user window. prefixBits
// remembers how deep the trie recorded it, which is what reversal must
// undo.
type userObservation struct {
	kind       ObservationKind
	address    Address
	user       User
	prefixBits uint8
}

// addressObservation is a user observation whose submitter identity has
// aged out; only the reputation contribution remains to be reversed.
type addressObservation struct {
	kind       ObservationKind
	address    Address
	prefixBits uint8
}

// TreeOperation is the logical form of an accepted state change, the
// unit the operation log records. Trust carries the prefix actually
// recorded; spam always covers the full address.
type TreeOperation struct {
	Kind   ObservationKind
	Prefix AddressPrefix
}

// TreeStats is a point-in-time summary for observability surfaces.
type TreeStats struct {
	TrustedTotal     uint32 `json:"trustedTotal"`
	SpamTotal        uint32 `json:"spamTotal"`
	TrieNodes        int    `json:"trieNodes"`
	Users            int    `json:"users"`
	UserWindowLen    int    `json:"userWindowLen"`
	AddressWindowLen int    `json:"addressWindowLen"`
}

// SpamTree couples the address trie with the two expiry windows and the
// per-user accounting table. All methods complete synchronously; the
// caller provides exclusive access.
type SpamTree struct {
	users      map[User]uint8
	trie       *AddressTrie
	userWindow *TimeList[userObservation]
	addrWindow *TimeList[addressObservation]
}

func NewSpamTree() *SpamTree {
	return &SpamTree{
		users:      make(map[User]uint8),
		trie:       NewAddressTrie(),
		userWindow: NewTimeList[userObservation](userWindowHours),
		addrWindow: NewTimeList[addressObservation](addressWindowHours),
	}
}

// Advance moves the windows forward to now, reversing expired state.
// User-window entries that age out release their submitter's cap slot
// and move to the address window at their original time, so the longer
// clock keeps counting from the original observation. Address-window
// entries that age out have their trie contribution reversed.
//
// Advance is monotone and idempotent: advancing twice to the same time
// changes nothing the second time.
func (s *SpamTree) Advance(now CoarseTime) {
	for obs, at := range s.userWindow.Trim(now) {
		count, ok := s.users[obs.user]
		if !ok {
			panic(fmt.Sprintf("user %d expired from the window but missing from the user table", obs.user))
		}
		if count <= 1 {
			delete(s.users, obs.user)
		} else {
			s.users[obs.user] = count - 1
		}

		promoted := addressObservation{
			kind:       obs.kind,
			address:    obs.address,
			prefixBits: obs.prefixBits,
		}
		if err := s.addrWindow.Push(promoted, at); err != nil {
			panic(fmt.Sprintf("promoting an expired observation out of order: %v", err))
		}
	}

	for obs := range s.addrWindow.Trim(now) {
		if err := s.trie.Unapply(obs.kind, obs.address, int(obs.prefixBits)); err != nil {
			panic(fmt.Sprintf("reversing an expired observation: %v", err))
		}
	}
}

// checkPushTime rejects a now that precedes the newest window entry by
// more than the one-hour jitter allowance, before any state changes.
func (s *SpamTree) checkPushTime(now CoarseTime) error {
	if tail, ok := s.userWindow.Tail(); ok {
		if _, err := now.TimeSince(tail); err != nil {
			return err
		}
	}
	return nil
}

// Trust records that user declares address trusted at time now.
// Returns the operation to log and whether the observation was
// accepted; a user at their cap is refused silently.
func (s *SpamTree) Trust(address Address, user User, now CoarseTime) (TreeOperation, bool, error) {
	s.Advance(now)
	if err := s.checkPushTime(now); err != nil {
		return TreeOperation{}, false, err
	}

	if s.users[user] >= EntriesPerUser {
		return TreeOperation{}, false, nil
	}
	s.users[user]++

	bits := s.trie.RecordTrusted(address)

	entry := userObservation{
		kind:       KindTrust,
		address:    address,
		user:       user,
		prefixBits: uint8(bits),
	}
	if err := s.userWindow.Push(entry, now); err != nil {
		panic(fmt.Sprintf("window push after time check: %v", err))
	}

	return TreeOperation{Kind: KindTrust, Prefix: address.Prefix(bits)}, true, nil
}

// Spam records that user declares address spam at time now. Spam is
// always recorded to the full address width.
func (s *SpamTree) Spam(address Address, user User, now CoarseTime) (TreeOperation, bool, error) {
	s.Advance(now)
	if err := s.checkPushTime(now); err != nil {
		return TreeOperation{}, false, err
	}

	if s.users[user] >= EntriesPerUser {
		return TreeOperation{}, false, nil
	}
	s.users[user]++

	s.trie.RecordSpam(address)

	entry := userObservation{
		kind:       KindSpam,
		address:    address,
		user:       user,
		prefixBits: AddressBits,
	}
	if err := s.userWindow.Push(entry, now); err != nil {
		panic(fmt.Sprintf("window push after time check: %v", err))
	}

	return TreeOperation{Kind: KindSpam, Prefix: address.Prefix(AddressBits)}, true, nil
}

// Query advances the windows to now, then returns the counts at the
// longest recorded prefix of address.
func (s *SpamTree) Query(address Address, now CoarseTime) TrieResult {
	s.Advance(now)
	return s.trie.Query(address)
}

// QueryStale looks up address without advancing the windows. Read-only
// surfaces use it so a lookup never mutates the core.
func (s *SpamTree) QueryStale(address Address) TrieResult {
	return s.trie.Query(address)
}

// ApplyLogged applies a replayed operation through the same trie paths
// live traffic uses. The windows and user table are not reconstructed:
// the log carries neither submitters nor times, so replayed history
// never expires.
func (s *SpamTree) ApplyLogged(op TreeOperation) {
	switch op.Kind {
	case KindTrust:
		s.trie.RecordTrustedPrefix(op.Prefix)
	case KindSpam:
		s.trie.RecordSpam(op.Prefix.First())
	default:
		panic(fmt.Sprintf("unknown logged operation kind %d", op.Kind))
	}
}

// Stats summarizes the coupled state.
func (s *SpamTree) Stats() TreeStats {
	trusted, spam := s.trie.RootCounts()
	return TreeStats{
		TrustedTotal:     trusted,
		SpamTotal:        spam,
		TrieNodes:        s.trie.NodeCount(),
		Users:            len(s.users),
		UserWindowLen:    s.userWindow.Len(),
		AddressWindowLen: s.addrWindow.Len(),
	}
}
