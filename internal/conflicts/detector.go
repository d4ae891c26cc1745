package conflicts

import (
	"encoding/json"
	"time"

	"go.uber.org/zap"
)

// Detection is a divergence between a client's content and the server copy.
type Detection struct {
	DocumentID    string
	LocalContent  json.RawMessage
	ServerContent json.RawMessage
	DetectedAt    time.Time
}

// Detector compares document contents. Comparison failures are logged and
// reported as "no conflict" so that a malformed payload never blocks a save.
type Detector struct {
	clock  func() time.Time
	logger *zap.Logger
}

// NewDetector constructs a detector; a nil logger discards warnings.
func NewDetector(clock func() time.Time, logger *zap.Logger) *Detector {
	if clock == nil {
		clock = time.Now
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Detector{clock: clock, logger: logger}
}

// DetectConflict returns nil when local and server are structurally equal and
// otherwise a detection carrying both contents verbatim.
func (d *Detector) DetectConflict(documentID string, local, server json.RawMessage) *Detection {
	localNode, serverNode, ok := d.parsePair(documentID, local, server)
	if !ok {
		return nil
	}
	equal, err := StructurallyEqual(localNode, serverNode)
	if err != nil {
		d.failOpen(documentID, err)
		return nil
	}
	if equal {
		return nil
	}
	return d.detection(documentID, local, server)
}

// DetectWithBase is the save-path check. base is the server content the
// client last saw. There is no conflict when local already matches server,
// when the server has not moved since base, or when local keeps every server
// block in order and only adds to it.
func (d *Detector) DetectWithBase(documentID string, base, local, server json.RawMessage) *Detection {
	localNode, serverNode, ok := d.parsePair(documentID, local, server)
	if !ok {
		return nil
	}
	baseNode, err := ParseContent(base)
	if err != nil {
		d.failOpen(documentID, err)
		return nil
	}

	equal, err := StructurallyEqual(localNode, serverNode)
	if err != nil {
		d.failOpen(documentID, err)
		return nil
	}
	if equal {
		return nil
	}
	serverUnchanged, err := StructurallyEqual(baseNode, serverNode)
	if err != nil {
		d.failOpen(documentID, err)
		return nil
	}
	if serverUnchanged {
		return nil
	}
	superset, err := extendsInOrder(localNode, serverNode)
	if err != nil {
		d.failOpen(documentID, err)
		return nil
	}
	if superset {
		return nil
	}
	return d.detection(documentID, local, server)
}

func (d *Detector) parsePair(documentID string, local, server json.RawMessage) (Node, Node, bool) {
	localNode, err := ParseContent(local)
	if err != nil {
		d.failOpen(documentID, err)
		return Node{}, Node{}, false
	}
	serverNode, err := ParseContent(server)
	if err != nil {
		d.failOpen(documentID, err)
		return Node{}, Node{}, false
	}
	return localNode, serverNode, true
}

func (d *Detector) detection(documentID string, local, server json.RawMessage) *Detection {
	return &Detection{
		DocumentID:    documentID,
		LocalContent:  append(json.RawMessage(nil), local...),
		ServerContent: append(json.RawMessage(nil), server...),
		DetectedAt:    d.clock().UTC(),
	}
}

func (d *Detector) failOpen(documentID string, err error) {
	d.logger.Warn("conflict detection failed; treating as no conflict",
		zap.String("document_id", documentID),
		zap.Error(err))
}
