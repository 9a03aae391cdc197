package chain

// Stage is one position in the fixed seven-step custody lifecycle.
type Stage int

const (
	StageCreated Stage = iota
	StagePacked
	StageShippedToDistributor
	StageReceivedByDistributor
	StageShippedToRetailer
	StageReceivedByRetailer
	StageSold
)

var stageNames = [...]string{
	"Manufactured/Created",
	"Packed",
	"ShippedToDistributor",
	"ReceivedByDistributor",
	"ShippedToRetailer",
	"ReceivedByRetailer",
	"Sold",
}

func (s Stage) String() string {
	if s < StageCreated || s > StageSold {
		return "Unknown"
	}
	return stageNames[s]
}

func (s Stage) Valid() bool { return s >= StageCreated && s <= StageSold }

// Terminal reports whether no further transition accepts s as its
// precondition.
func (s Stage) Terminal() bool { return s == StageSold }
