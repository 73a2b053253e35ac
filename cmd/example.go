package main

const exampleConfig = `forwarders:
  - local: 0.0.0.0:8808
    remoteMap:
      - pattern: "[http:localhost]"
        remote: 192.168.44.43:5445
      - pattern: "[https:baidu.com]"
        remote: "39.156.66.10:443"
      - pattern: "[ssh]"
        remote: "192.168.44.43:22"
      - pattern: "[socks5]"
        remote: "192.168.100.46:7890"
      - pattern: "[rdp]"
        remote: 192.168.100.46:3389
      - pattern: .*
        remote: 192.168.100.46:23
    # remote: 127.0.0.1:2233   # sugar: mutually exclusive alternative to remoteMap
    enable_tcp: true           # default true
    enable_udp: true           # default true
    conn_bufsize: 2MB          # default 2MB
    max_connections: 10000     # optional, -1 or absent means unlimited
    allow_nets:                # optional, empty means allow all
      - 127.0.0.0/24
`
