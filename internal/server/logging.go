package server

import (
	"fmt"
	"strings"

	log "github.com/sjqzhang/seelog"
)

var logConfigStr = `
<seelog type="asynctimer" asyncinterval="1000" minlevel="trace" maxlevel="error">
	<outputs formatid="common">
		<buffered formatid="common" size="1048576" flushperiod="1000">
			<rollingfile type="size" filename="{LOG_DIR}/uploadd.log" maxsize="104857600" maxrolls="10"/>
		</buffered>
	</outputs>
	 <formats>
		 <format id="common" format="%Date %Time [%LEV] [%File:%Line] [%Func] %Msg%n" />
	 </formats>
</seelog>
`

// InitLogger points the process logger at a rolling file under logDir.
// Without it log output goes to seelog's default console writer.
func InitLogger(logDir string) {
	cfg := strings.Replace(logConfigStr, "{LOG_DIR}", strings.TrimSuffix(logDir, "/"), -1)
	if logger, err := log.LoggerFromConfigAsBytes([]byte(cfg)); err != nil {
		fmt.Println(err)
	} else {
		log.ReplaceLogger(logger)
	}
}
