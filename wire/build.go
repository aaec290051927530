package wire

// NewAuthRequest builds the first-connect auth envelope carrying the
// connection code from the agent's profile.
func NewAuthRequest(code, agentID, clientName string) *Envelope {
	return &Envelope{
		Cmd:      CmdAuth,
		Code:     code,
		ID:       agentID,
		ClientID: clientName,
	}
}

// NewReconnectRequest builds the auth envelope for re-authenticating with a
// previously issued reconnection token.
func NewReconnectRequest(token, agentID string) *Envelope {
	return &Envelope{
		Cmd:   CmdAuth,
		Token: token,
		ID:    agentID,
	}
}

// NewGroupResponse builds a response to a human group message.
func NewGroupResponse(groupID, text string, dataIDs, choices []string) *Envelope {
	return &Envelope{
		Cmd:     CmdGroupResponse,
		GroupID: groupID,
		Text:    text,
		DataIDs: dataIDs,
		Choices: choices,
	}
}

// NewQuery builds a query to another agent. The caller supplies the
// correlation id; the session allocates one when sending request-style.
func NewQuery(toID, queryID, text string, dataIDs []string) *Envelope {
	return &Envelope{
		Cmd:     CmdQuery,
		ToID:    toID,
		QueryID: queryID,
		Text:    text,
		DataIDs: dataIDs,
	}
}

// NewQueryResponse builds the answer to a query received from another agent.
func NewQueryResponse(toID, queryID, text string, dataIDs []string) *Envelope {
	return &Envelope{
		Cmd:     CmdAnswer,
		ToID:    toID,
		QueryID: queryID,
		Text:    text,
		DataIDs: dataIDs,
		IsResp:  true,
	}
}

// NewBackoffSignal builds the "w8" error envelope sent to a peer whose
// response arrived for a query this agent no longer tracks.
func NewBackoffSignal(toID string) *Envelope {
	return &Envelope{
		Cmd:  CmdError,
		ToID: toID,
		Text: ReasonBackoff,
	}
}
