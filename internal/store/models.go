package store

// BotAgent is one row of the agent inventory. The primary key is the UUID the
// agent minted for itself on first start; hostname and address are refreshed
// on every reconnect.
type BotAgent struct {
	ID       string `gorm:"column:id;primaryKey" json:"id"`
	Hostname string `gorm:"column:hostname" json:"hostname"`
	Address  string `gorm:"column:address" json:"address"`
	OS       string `gorm:"column:os" json:"os"`
}

// TableName keeps the historical table name.
func (BotAgent) TableName() string { return "BotAgents" }

// CommandEvent is one row of the dispatch event log. Count doubles as the
// cmd_id sent on the wire; Response and ExitCode stay NULL until the reply
// correlator flushes the agent's answer.
type CommandEvent struct {
	Count       int64   `gorm:"column:count;primaryKey;autoIncrement" json:"count"`
	Time        string  `gorm:"column:time" json:"time"`
	AgentID     string  `gorm:"column:id" json:"id"`
	Event       string  `gorm:"column:event" json:"event"`
	EventDetail string  `gorm:"column:event_detail" json:"event_detail"`
	Response    *string `gorm:"column:response" json:"response"`
	ExitCode    *string `gorm:"column:exit_code" json:"exit_code"`
}

// TableName keeps the historical table name.
func (CommandEvent) TableName() string { return "CommandHistory" }
