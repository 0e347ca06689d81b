package opcworker

// The request protocol: a closed set of four variants, each carrying
// its input and a buffered single-use reply channel the worker
// fulfills exactly once.

type request interface {
	isRequest()
}

type listServersRequest struct {
	host  string
	reply chan listServersReply
}

type listServersReply struct {
	servers []string
	err     error
}

type readRequest struct {
	server string
	tagIDs []string
	reply  chan readReply
}

type readReply struct {
	values []TagValue
	err    error
}

type writeRequest struct {
	server string
	tagID  string
	value  interface{}
	reply  chan writeReply
}

type writeReply struct {
	result WriteResult
	err    error
}

type browseRequest struct {
	server   string
	maxTags  int
	progress *BrowseProgress
	reply    chan browseReply
}

type browseReply struct {
	tags []string
	err  error
}

func (*listServersRequest) isRequest() {}
func (*readRequest) isRequest()        {}
func (*writeRequest) isRequest()       {}
func (*browseRequest) isRequest()      {}
